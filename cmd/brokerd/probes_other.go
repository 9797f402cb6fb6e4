//go:build !darwin

package main

import (
	"context"

	"github.com/fyrsmithlabs/brokerd/internal/permissions"
)

// Non-darwin hosts have no TCC; every permission reports unknown and
// settings cannot be opened.

func nativeProbe(ctx context.Context, name string) permissions.Status {
	return permissions.StatusUnknown
}

func nativeRequest(ctx context.Context, name string) permissions.Status {
	return permissions.StatusUnknown
}

func nativeOpenSettings(ctx context.Context, pane string) error {
	return nil
}
