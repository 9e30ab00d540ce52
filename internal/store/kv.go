// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package store persists plugin key-value data. Every entry is namespaced
// by plugin id, so a plugin keeps its data across reloads and never sees
// another plugin's keys.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/phira-mp/plughost/pkg/plugin"
)

// KV is key-value storage shared by all plugins.
type KV interface {
	// Get returns nil and no error when the key is absent.
	Get(ctx context.Context, pluginID, key string) ([]byte, error)
	Set(ctx context.Context, pluginID, key string, value []byte) error
	Delete(ctx context.Context, pluginID, key string) error
	// Keys lists a plugin's keys in ascending order.
	Keys(ctx context.Context, pluginID string) ([]string, error)
}

// Scope binds kv to one plugin.
func Scope(kv KV, pluginID string) plugin.KV {
	return scoped{kv: kv, pluginID: pluginID}
}

type scoped struct {
	kv       KV
	pluginID string
}

func (s scoped) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(s.pluginID, key); err != nil {
		return nil, err
	}
	return s.kv.Get(ctx, s.pluginID, key)
}

func (s scoped) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(s.pluginID, key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return s.kv.Set(ctx, s.pluginID, key, value)
}

func (s scoped) Delete(ctx context.Context, key string) error {
	if err := validateKey(s.pluginID, key); err != nil {
		return err
	}
	return s.kv.Delete(ctx, s.pluginID, key)
}

// MemoryKV is an in-process KV. Data lives as long as the host process.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, pluginID, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[pluginID][key]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (m *MemoryKV) Set(_ context.Context, pluginID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[pluginID]
	if !ok {
		ns = make(map[string][]byte)
		m.data[pluginID] = ns
	}
	ns[key] = append([]byte{}, value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, pluginID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.data[pluginID]; ok {
		delete(ns, key)
		if len(ns) == 0 {
			delete(m.data, pluginID)
		}
	}
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, pluginID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[pluginID]))
	for k := range m.data[pluginID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
