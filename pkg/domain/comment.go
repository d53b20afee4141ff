package domain

import (
	"time"
)

const DeletedMarker = "[deleted]"

const (
	MaxPseudonymLength = 64
	MaxMessageLength   = 16 * 1024
)

// Author is either fully anonymous or carries both a pseudonym and its
// claim hash. A state where exactly one of the pair is set is invalid
// and rejected at the boundary.
type Author struct {
	Pseudonym string `json:"pseudonym,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

func Anonymous() Author {
	return Author{}
}

func NamedWithHash(pseudonym, hash string) Author {
	return Author{Pseudonym: pseudonym, Hash: hash}
}

func (a Author) IsAnonymous() bool {
	return a.Pseudonym == "" && a.Hash == ""
}

func (a Author) Validate() error {
	if (a.Pseudonym == "") != (a.Hash == "") {
		return ErrAuthorMismatch
	}
	if len(a.Pseudonym) > MaxPseudonymLength {
		return ErrInvalidRequest
	}
	return nil
}

type Comment struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Author    Author    `json:"author"`
	Message   string    `json:"message"`
	IsAdmin   bool      `json:"is_admin"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	EditedAt  time.Time `json:"edited_at,omitempty"`
}

type CreateParams struct {
	Target       string
	Author       Author
	Message      string
	IsAdmin      bool
	ClientIPHash string
}
