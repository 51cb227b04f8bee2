package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the durable store behind the booking engine. Lookups that
// miss return an error matching ErrNotFound.
type Repository interface {
	// WithinLawyerTx runs fn in a unit of work serialized against every
	// other unit of work for the same lawyer. Writes made through tx are
	// visible only if fn returns nil.
	WithinLawyerTx(ctx context.Context, lawyerID uuid.UUID, fn func(tx LawyerTx) error) error

	Get(ctx context.Context, id uuid.UUID) (*Consultation, error)
	ListByParty(ctx context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Consultation, int, error)
	// ListActiveForLawyer returns consultations with an active status whose
	// interval overlaps [from, to), ordered by scheduled_at.
	ListActiveForLawyer(ctx context.Context, lawyerID uuid.UUID, from, to time.Time) ([]*Consultation, error)

	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	GetTemplate(ctx context.Context, lawyerID uuid.UUID) (*Template, error)
	SaveTemplate(ctx context.Context, t *Template) error
	GetException(ctx context.Context, lawyerID uuid.UUID, date string) (*Exception, error)
	SaveException(ctx context.Context, ex *Exception) error
}

// LawyerTx is the view of the store inside WithinLawyerTx.
type LawyerTx interface {
	FindConflicting(ctx context.Context, proposed Interval, exclude uuid.UUID) ([]*Consultation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error)
	Insert(ctx context.Context, c *Consultation) error
	Update(ctx context.Context, c *Consultation) error
}
