package scheduling

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/medrex/appointment-service/pkg/types"
)

// idExistenceChecker is the slice of the store the generator needs
type idExistenceChecker interface {
	ExistsByAppointmentID(ctx context.Context, appointmentID string) (bool, error)
}

// IDGenerator produces external appointment ids like APP-0042 by rejection
// sampling over a fixed numeric space
type IDGenerator struct {
	prefix      string
	digits      int
	space       int
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewIDGenerator creates a generator with a time-seeded source
func NewIDGenerator(prefix string, digits int) *IDGenerator {
	return newIDGenerator(prefix, digits, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

func newIDGenerator(prefix string, digits int, rng *rand.Rand) *IDGenerator {
	space := 1
	for i := 0; i < digits; i++ {
		space *= 10
	}
	return &IDGenerator{
		prefix:      prefix,
		digits:      digits,
		space:       space,
		maxAttempts: space * 100,
		rng:         rng,
	}
}

// Format renders suffix n as an id
func (g *IDGenerator) Format(n int) string {
	return fmt.Sprintf("%s%0*d", g.prefix, g.digits, n)
}

func (g *IDGenerator) candidate() string {
	g.mu.Lock()
	n := g.rng.IntN(g.space)
	g.mu.Unlock()
	return g.Format(n)
}

// Generate returns an id the store does not know yet
func (g *IDGenerator) Generate(ctx context.Context, store idExistenceChecker) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		id := g.candidate()
		exists, err := store.ExistsByAppointmentID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check appointment id %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
	}

	return "", types.NewInternalError(types.ErrCodeIDSpaceExhausted,
		fmt.Sprintf("no free appointment id found after %d attempts", g.maxAttempts), nil).
		WithDetail("space", g.space)
}
