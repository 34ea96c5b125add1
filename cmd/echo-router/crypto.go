// ABOUTME: End-to-end encryption setup for the Matrix client
// ABOUTME: Keeps a per-account crypto store and resets it when the device changes

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// setupCrypto attaches an initialized crypto helper to client. A failed
// recovery key verification is logged; encryption still works without
// cross-signing.
func setupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	account := accountSlug(client.UserID.String())
	dbPath := filepath.Join(dataDir, "crypto-"+account+".db")
	logger = logger.With("component", "crypto", "db", dbPath)

	stale, err := storedDeviceDiffers(dbPath, client.DeviceID.String())
	if err != nil {
		logger.Debug("could not read stored device id", "error", err)
	}
	if stale {
		logger.Warn("device changed since last run, resetting crypto store")
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("removing stale crypto store: %w", err)
			}
		}
	}

	pickleKey := sha256.Sum256([]byte("echo-router-crypto:" + client.UserID.String()))
	helper, err := cryptohelper.NewCryptoHelper(client, pickleKey[:], dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if machine := helper.Machine(); machine != nil {
		if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			logger.Warn("recovery key verification failed; continuing without cross-signing", "error", err)
		} else {
			logger.Info("device verified with recovery key")
		}
	}

	return helper, nil
}

// accountSlug turns @bot:example.org into bot_example.org.
func accountSlug(userID string) string {
	userID = strings.TrimPrefix(userID, "@")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r == ':':
			return '_'
		}
		return -1
	}, userID)
}

// storedDeviceDiffers reports whether an existing crypto store belongs to a
// different device than deviceID.
func storedDeviceDiffers(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}
