package notes

import "github.com/google/uuid"

// uuidProvider issues UUIDv7 identifiers for version records. The
// time-ordered layout keeps the note_versions primary key close to
// insertion order.
type uuidProvider struct{}

// NewUUIDProvider returns the production IDProvider.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
