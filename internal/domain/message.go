package domain

import "time"

// Message is the only entity of the board. Its JSON form is the wire format of the API.
type Message struct {
	Id        int64     `json:"id"`
	Body      string    `json:"body"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
