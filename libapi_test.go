package rfbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

func TestAdaptorExportsRoundTrip(t *testing.T) {
	ctx := context.Background()
	stack := NewMemStack(WithMemStackResponder(MemStackAcceptAll("ocs.example", "example")))
	defer stack.Close()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, nil)
	defer pubSub.Close()
	sink, err := NewSink(pubSub)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	a, err := NewAdaptor(ctx, DefaultConfig(), NewNopServiceLogger(), AdaptorDependencies{Multiplexer: stack, Sink: sink})
	if err != nil {
		t.Fatalf("new adaptor: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer a.Inactive(ctx)
	if a.State() != StateActive {
		t.Fatalf("expected active adaptor, got %s", a.State())
	}

	p := a.Provider()
	act, err := p.CreateClientSession(ctx, "ocs.example", "example")
	if err != nil {
		t.Fatalf("create client session: %v", err)
	}
	req, err := p.NewAccountingRequest(act, RecordStart, 0)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	ans := p.SendAccountingRequest(ctx, req)
	if ans == nil || !ans.Successful() {
		t.Fatalf("expected a successful answer, got %v", ans)
	}

	a.Stopping(ctx)
	if act.IsValid() {
		t.Fatal("expected stopping to end the activity")
	}
}

func TestNewAdaptorErrorExports(t *testing.T) {
	if _, err := NewAdaptor(context.Background(), nil, NewNopServiceLogger(), AdaptorDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}

	conf := DefaultConfig()
	conf.AcctApplicationIDs = "10415"
	stack := NewMemStack()
	defer stack.Close()
	_, err := NewAdaptor(context.Background(), conf, NewNopServiceLogger(), AdaptorDependencies{Multiplexer: stack})
	var cfgErr ConfigValidationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected config validation error, got %v", err)
	}
}

func TestParseApplicationIDsExport(t *testing.T) {
	ids, err := ParseApplicationIDs("10415:3, 0:3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ids) != 2 || ids[0].VendorID != 10415 || ids[1].AcctAppID != 3 {
		t.Fatalf("unexpected ids %#v", ids)
	}
}

func TestServiceFor(t *testing.T) {
	svc := ServiceFor("billing")
	if svc.ID != "billing" {
		t.Fatalf("unexpected id %q", svc.ID)
	}
	if len(svc.EventTypes) != len(DefaultCatalog().Types()) {
		t.Fatalf("expected every catalog type, got %d", len(svc.EventTypes))
	}
	if svc.EventTypes[0] != NewEventTypeID(EventAccountingRequest) {
		t.Fatalf("unexpected first type %s", svc.EventTypes[0])
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyHandle, "ctf;1;1")
	if md[MetadataKeyHandle] != "ctf;1;1" {
		t.Fatalf("expected metadata to contain handle, got %#v", md)
	}
}

func TestAddresseeExport(t *testing.T) {
	a, err := AddresseeTypeFromInt(2)
	if err != nil || a != AddresseeBCC {
		t.Fatalf("expected BCC, got %v (%v)", a, err)
	}
	if _, err := AddresseeTypeFromInt(7); err == nil {
		t.Fatal("expected unknown ordinal to fail")
	}
}
