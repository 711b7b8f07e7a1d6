package models

// Chat represents a role-play conversation container. Besides identification and labeling it carries
// the scene description and the cast of characters the user can speak as.
type Chat struct {
	ID          string
	Title       string
	Description string
	Characters  []string
}
