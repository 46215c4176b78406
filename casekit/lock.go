// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockService serializes concurrent processing of the same case id across
// the whole deployment: at most one in-flight reconciliation per case.
type LockService interface {
	// Acquire blocks until the named lock is held and returns its release
	// function. Callers must always release, including on error paths.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// PGLockService implements LockService with Postgres session advisory
// locks. Each acquisition checks out a dedicated connection so the lock
// survives until its release function runs.
type PGLockService struct {
	pool *pgxpool.Pool
}

// NewPGLockService returns an advisory-lock service over the pool.
func NewPGLockService(pool *pgxpool.Pool) *PGLockService {
	return &PGLockService{pool: pool}
}

func advisoryLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// Acquire takes pg_advisory_lock on a hash of the name. The connection is
// held until release so the session-scoped lock stays alive.
func (l *PGLockService) Acquire(ctx context.Context, name string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock %q: %w", name, err)
	}
	key := advisoryLockKey(name)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %q: %w", name, err)
	}
	release := func() {
		// Unlock on a background context; release must work even after
		// the processing scope's context is cancelled.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}

// LocalLockService implements LockService with in-process mutexes, for the
// embedded SQLite deployment and for tests.
type LocalLockService struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLockService returns an in-process lock service.
func NewLocalLockService() *LocalLockService {
	return &LocalLockService{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLockService) Acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}
