package fee

import (
	"strings"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// Grade - класс. Level задаёт порядок перевода: baby < pp1 < pp2 < 1 < ... < 9.
type Grade struct {
	ID        string
	Name      string
	Level     int
	CreatedAt time.Time
}

// NewGrade создаёт класс.
func NewGrade(name string, level int) (*Grade, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, shared.Validationf("fee", "CreateGrade", "grade name is required")
	}
	if level < 0 {
		return nil, shared.Validationf("fee", "CreateGrade", "grade level cannot be negative")
	}
	return &Grade{ID: shared.NewID(), Name: name, Level: level, CreatedAt: time.Now().UTC()}, nil
}

// Destination - направление школьного автобуса.
type Destination struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// NewDestination создаёт направление.
func NewDestination(name string) (*Destination, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, shared.Validationf("fee", "CreateDestination", "destination name is required")
	}
	return &Destination{ID: shared.NewID(), Name: name, CreatedAt: time.Now().UTC()}, nil
}

// NextGrade возвращает класс со следующим по порядку уровнем или nil, если current - последний.
func NextGrade(grades []*Grade, current *Grade) *Grade {
	var next *Grade
	for _, g := range grades {
		if g.Level <= current.Level {
			continue
		}
		if next == nil || g.Level < next.Level {
			next = g
		}
	}
	return next
}
