package controller

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

var errSQLQuery = errors.New("query contains SQL")

// CheckQuery parses the GraphQL document and rejects queries selecting a top-level sql field.
func CheckQuery(query string) error {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}
	if len(doc.Operations) == 0 {
		return errors.New("invalid query: no operation")
	}
	for _, op := range doc.Operations {
		if op.Operation != ast.Query {
			continue
		}
		for _, sel := range op.SelectionSet {
			if f, ok := sel.(*ast.Field); ok && f.Name == "sql" {
				return errSQLQuery
			}
		}
	}
	return nil
}
