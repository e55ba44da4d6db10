package api

import (
	"context"
	"testing"

	"github.com/bytedance/sonic"
)

func TestRedisUserDirectoryRemembersOnce(t *testing.T) {
	m, client, _ := newTestDeduper(t)
	dir := NewRedisUserDirectory(client)
	ctx := context.Background()

	added, err := dir.Remember(ctx, newUser("A@Example.com", " Ann "))
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if !added {
		t.Fatalf("expected first login to be recorded")
	}
	added, err = dir.Remember(ctx, newUser("a@example.com", "Other"))
	if err != nil {
		t.Fatalf("remember again: %v", err)
	}
	if added {
		t.Fatalf("expected returning user to be ignored")
	}

	var stored User
	if err := sonic.UnmarshalString(m.HGet(usersKey, "a@example.com"), &stored); err != nil {
		t.Fatalf("stored user: %v", err)
	}
	if stored.Email != "A@Example.com" || stored.Name != "Ann" || stored.CreatedAt == 0 {
		t.Fatalf("unexpected stored user: %+v", stored)
	}
}

func TestRedisUserDirectoryReportsErrors(t *testing.T) {
	m, client, _ := newTestDeduper(t)
	dir := NewRedisUserDirectory(client)
	m.Close()
	if _, err := dir.Remember(context.Background(), newUser("a@example.com", "")); err == nil {
		t.Fatalf("expected error with redis down")
	}
}
