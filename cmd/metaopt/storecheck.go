package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bouthilx/metaopt/internal/store"
)

func newStorecheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "storecheck",
		Short: "verify the configured backend honors the coordination contract",
		Long: `Exercise read, conditional-write, and create-if-absent against the
configured store with throwaway keys. Any backend that passes is usable
for coordination.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStorecheck(cmd, flags)
		},
	}
}

func runStorecheck(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	backend, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	key := "storecheck/" + uuid.NewString()
	if err := checkContract(cmd.Context(), backend, key); err != nil {
		return fmt.Errorf("store %s failed the contract: %w", cfg.Store, err)
	}
	fmt.Printf("store %s honors the coordination contract\n", cfg.Store)
	return nil
}

func checkContract(ctx context.Context, backend store.Backend, key string) error {
	if _, _, err := backend.Read(ctx, key); !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read of an absent key: want ErrNotFound, got %v", err)
	}

	tag, err := backend.CreateIfAbsent(ctx, key, []byte("v1"))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if tag != 1 {
		return fmt.Errorf("create returned tag %d, want 1", tag)
	}
	if _, err := backend.CreateIfAbsent(ctx, key, []byte("clobber")); !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("duplicate create: want ErrAlreadyExists, got %v", err)
	}

	value, readTag, err := backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !bytes.Equal(value, []byte("v1")) || readTag != tag {
		return fmt.Errorf("read back got (%q, %d), want (\"v1\", %d)", value, readTag, tag)
	}

	next, err := backend.ConditionalWrite(ctx, key, []byte("v2"), tag)
	if err != nil {
		return fmt.Errorf("conditional write: %w", err)
	}
	if next <= tag {
		return fmt.Errorf("conditional write did not advance the tag: %d -> %d", tag, next)
	}

	// The stale tag must lose without touching the record.
	if _, err := backend.ConditionalWrite(ctx, key, []byte("stale"), tag); !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("stale conditional write: want ErrConflict, got %v", err)
	}
	value, _, err = backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read after conflict: %w", err)
	}
	if !bytes.Equal(value, []byte("v2")) {
		return fmt.Errorf("conflicting write changed the record to %q", value)
	}
	return nil
}
