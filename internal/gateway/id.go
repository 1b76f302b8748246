package gateway

import "github.com/google/uuid"

func newEvalID() string {
	return uuid.NewString()
}
