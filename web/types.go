package web

import (
	"github.com/jnesss/stack-analyzer/database"
)

// Store is the report history served by the API
type Store interface {
	ListWindows(collector string, limit int) ([]database.Window, error)
	WindowItems(id int64) ([]database.Item, error)
	ListMatches(limit int) ([]database.Match, error)
}

// WindowDetail is a window together with its ranked items
type WindowDetail struct {
	ID    int64           `json:"id"`
	Items []database.Item `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
}
