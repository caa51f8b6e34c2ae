package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrorDump flattens an error chain for structured logs.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Retryable  bool     `json:"retryable"`
	Chain      []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`
}

// Dump walks err's chain and lifts any postgres error fields, from either
// pgx or lib/pq, onto the result.
func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error(), Retryable: Retryable(err)}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	for link := err; link != nil; link = stdErrors.Unwrap(link) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", link, link))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case stdErrors.As(err, &pgxErr):
		d.PGCode, d.PGMessage, d.PGDetail = pgxErr.Code, pgxErr.Message, pgxErr.Detail
		d.PGTable, d.PGColumn, d.PGConstraint = pgxErr.TableName, pgxErr.ColumnName, pgxErr.ConstraintName
	case stdErrors.As(err, &pqErr):
		d.PGCode, d.PGMessage, d.PGDetail = string(pqErr.Code), pqErr.Message, pqErr.Detail
		d.PGTable, d.PGColumn, d.PGConstraint = pqErr.Table, pqErr.Column, pqErr.Constraint
	}
	return d
}
