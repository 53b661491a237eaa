package exec

import (
	"github.com/google/uuid"

	"go.elspeth.dev/audit"
)

func newID() audit.ID { return uuid.NewString() }
