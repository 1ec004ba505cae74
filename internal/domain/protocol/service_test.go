package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type mockProtocolRepo struct {
	seq       int64
	protocols []*Protocol
}

func (m *mockProtocolRepo) Create(_ context.Context, p *Protocol) error {
	m.seq++
	p.ProtocolID = m.seq
	p.CreatedAt = time.Now()
	cp := *p
	m.protocols = append(m.protocols, &cp)
	return nil
}

func (m *mockProtocolRepo) ListByCanonical(_ context.Context, canonicalID uuid.UUID, limit, offset int) ([]*Protocol, int, error) {
	var out []*Protocol
	for _, p := range m.protocols {
		if p.CanonicalID == canonicalID {
			cp := *p
			out = append(out, &cp)
		}
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

type mapResolver map[string]uuid.UUID

func (m mapResolver) ResolveCanonical(_ context.Context, source, his string) (uuid.UUID, error) {
	return m[source+"/"+his], nil
}

func TestRecordAttachesCanonical(t *testing.T) {
	canonicalID := uuid.New()
	repo := &mockProtocolRepo{}
	svc := NewService(repo, mapResolver{"qms/100001": canonicalID})

	name := "annual checkup"
	p := &Protocol{Source: "qms", HISNumber: "100001", ProtocolName: &name}
	if err := svc.Record(context.Background(), p); err != nil {
		t.Fatalf("record: %v", err)
	}
	if p.CanonicalID != canonicalID {
		t.Errorf("canonical id = %v, want %v", p.CanonicalID, canonicalID)
	}
	if p.ProtocolID == 0 {
		t.Error("protocol id should be assigned")
	}

	got, total, err := svc.ListByCanonical(context.Background(), canonicalID, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(got) != 1 {
		t.Fatalf("list returned %d/%d, want 1/1", len(got), total)
	}
}

func TestRecordUnknownPatient(t *testing.T) {
	svc := NewService(&mockProtocolRepo{}, mapResolver{})

	p := &Protocol{Source: "qms", HISNumber: "999999"}
	err := svc.Record(context.Background(), p)
	if !errors.Is(err, ErrUnknownPatient) {
		t.Fatalf("expected ErrUnknownPatient, got %v", err)
	}
}

func TestRecordValidation(t *testing.T) {
	svc := NewService(&mockProtocolRepo{}, mapResolver{})

	tests := []struct {
		name string
		p    *Protocol
	}{
		{"blank his number", &Protocol{Source: "qms", HISNumber: "  "}},
		{"unknown source", &Protocol{Source: "hl7", HISNumber: "100001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Record(context.Background(), tt.p); !errors.Is(err, ErrInvalidProtocol) {
				t.Errorf("expected ErrInvalidProtocol, got %v", err)
			}
		})
	}
}
