package domain

import "context"

// NameCache maps device ids to display names. Last write wins per id.
type NameCache interface {
	GetLongname(ctx context.Context, deviceID string) (string, bool, error)
	GetShortname(ctx context.Context, deviceID string) (string, bool, error)
	SaveLongname(ctx context.Context, deviceID, name string) error
	SaveShortname(ctx context.Context, deviceID, name string) error
}
