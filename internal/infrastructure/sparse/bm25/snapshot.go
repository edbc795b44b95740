package bm25

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

var snapshotMagic = []byte("KRBM25")

const snapshotVersion byte = 1

var errCorruptSnapshot = errors.New("corrupt sparse snapshot")

type snapshotPayload struct {
	Tenants []tenantSnapshot
}

type tenantSnapshot struct {
	TenantID string
	Chunks   []domain.Chunk
	Tokens   [][]string
}

// Save writes the current generation through the snapshot store.
func (x *Index) Save(ctx context.Context) error {
	if x.store == nil {
		return nil
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	data, err := encodeSnapshot(x.current.Load())
	if err != nil {
		return fmt.Errorf("encode sparse snapshot: %w", err)
	}
	if err := x.store.Write(ctx, data); err != nil {
		return fmt.Errorf("write sparse snapshot: %w", err)
	}
	x.logger.Debug("sparse_snapshot_saved", "chunks", x.Len(), "bytes", len(data))
	return nil
}

// Load replaces the index with the stored snapshot. A missing or corrupt
// snapshot leaves the index empty and reports false without an error; only
// store failures other than absence are returned.
func (x *Index) Load(ctx context.Context) (bool, error) {
	if x.store == nil {
		return false, nil
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	data, err := x.store.Read(ctx)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			x.current.Store(emptyGeneration())
			return false, nil
		}
		return false, fmt.Errorf("read sparse snapshot: %w", err)
	}

	payload, err := decodeSnapshot(data)
	if err != nil {
		x.logger.Warn("sparse_snapshot_corrupt", "error", err, "bytes", len(data))
		x.current.Store(emptyGeneration())
		return false, nil
	}

	next := emptyGeneration()
	for _, tenant := range payload.Tenants {
		if len(tenant.Chunks) == 0 || len(tenant.Chunks) != len(tenant.Tokens) {
			x.logger.Warn("sparse_snapshot_corrupt", "tenant_id", tenant.TenantID, "error", errCorruptSnapshot)
			x.current.Store(emptyGeneration())
			return false, nil
		}
		next.tenants[domain.NormalizeTenant(tenant.TenantID)] = newTenantCorpus(tenant.Chunks, tenant.Tokens, x.params)
	}
	x.publish(next)
	x.logger.Info("sparse_snapshot_loaded", "chunks", next.size, "tenants", len(next.tenants))
	return true, nil
}

func encodeSnapshot(gen *generation) ([]byte, error) {
	tenants := make([]string, 0, len(gen.tenants))
	for tenant := range gen.tenants {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	payload := snapshotPayload{Tenants: make([]tenantSnapshot, 0, len(tenants))}
	for _, tenant := range tenants {
		corpus := gen.tenants[tenant]
		payload.Tenants = append(payload.Tenants, tenantSnapshot{
			TenantID: tenant,
			Chunks:   corpus.chunks,
			Tokens:   corpus.tokens,
		})
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	buf.WriteByte(snapshotVersion)

	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if err := gob.NewEncoder(enc).Encode(payload); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (snapshotPayload, error) {
	header := len(snapshotMagic) + 1
	if len(data) < header || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return snapshotPayload{}, fmt.Errorf("%w: bad header", errCorruptSnapshot)
	}
	if version := data[len(snapshotMagic)]; version != snapshotVersion {
		return snapshotPayload{}, fmt.Errorf("%w: unsupported version %d", errCorruptSnapshot, version)
	}

	dec, err := zstd.NewReader(bytes.NewReader(data[header:]))
	if err != nil {
		return snapshotPayload{}, fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	defer dec.Close()

	var payload snapshotPayload
	if err := gob.NewDecoder(dec).Decode(&payload); err != nil {
		return snapshotPayload{}, fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	return payload, nil
}
