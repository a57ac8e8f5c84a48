package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"relay/internal/domain"
)

func noopFactory(tag string, order *[]string) Factory {
	return func(scope *Scope) Recipient {
		return RecipientFunc(func(ctx context.Context, payload json.RawMessage) error {
			*order = append(*order, tag)
			return nil
		})
	}
}

func TestRegistrationOrderPreserved(t *testing.T) {
	r := New()
	var order []string
	r.Register("person.created", noopFactory("log", &order))
	r.Register("person.created", noopFactory("email", &order))
	r.Register("person.created", noopFactory("sync", &order))
	r.Freeze()

	scope := NewScope(&domain.Envelope{MessageType: "person.created"}, zerolog.Nop(), nil)
	for _, f := range r.Recipients("person.created") {
		if err := f(scope).Handle(context.Background(), nil); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	want := []string{"log", "email", "sync"}
	if len(order) != len(want) {
		t.Fatalf("invoked %d recipients, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("invocation %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestRecipientsUnknownType(t *testing.T) {
	r := New()
	r.Freeze()
	if got := r.Recipients("nobody.home"); len(got) != 0 {
		t.Errorf("Recipients for unregistered type = %d factories, want 0", len(got))
	}
}

func TestOneRecipientManyTypes(t *testing.T) {
	r := New()
	var order []string
	f := noopFactory("audit", &order)
	r.Register("person.created", f)
	r.Register("person.deleted", f)
	r.Freeze()

	if len(r.Recipients("person.created")) != 1 || len(r.Recipients("person.deleted")) != 1 {
		t.Error("expected the same factory registered under both types")
	}
}

func TestQueueFor(t *testing.T) {
	r := New()
	r.RegisterQueue("person.created", "PersonEvents")
	r.Freeze()

	if got := r.QueueFor("person.created"); got != "PersonEvents" {
		t.Errorf("QueueFor(person.created) = %q, want PersonEvents", got)
	}
	if got := r.QueueFor("etl.deploy"); got != "etl.deploy" {
		t.Errorf("QueueFor(etl.deploy) = %q, want the type name", got)
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	r := New()
	r.Freeze()
	defer func() {
		if recover() == nil {
			t.Error("Register after Freeze did not panic")
		}
	}()
	r.Register("late.type", func(*Scope) Recipient { return nil })
}

func TestScopeValues(t *testing.T) {
	env := &domain.Envelope{ID: "msg_1"}
	scope := NewScope(env, zerolog.Nop(), map[string]any{"session": 42})
	if got := scope.Value("session"); got != 42 {
		t.Errorf("Value(session) = %v, want 42", got)
	}
	if got := scope.Value("missing"); got != nil {
		t.Errorf("Value(missing) = %v, want nil", got)
	}
	if scope.Envelope.ID != "msg_1" {
		t.Errorf("scope envelope id = %q", scope.Envelope.ID)
	}
}
