package main

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/mailiemtruc/officesync-sub000/internal/config"
	"github.com/mailiemtruc/officesync-sub000/internal/consumer"
	"github.com/mailiemtruc/officesync-sub000/internal/idgen"
)

func TestWithIDAssignsFreshID(t *testing.T) {
	gen, err := idgen.New(3)
	if err != nil {
		t.Fatalf("idgen: %v", err)
	}
	out, err := withID(gen, []byte(`"{\"email\":\"a@x.com\",\"id\":1}"`))
	if err != nil {
		t.Fatalf("withID: %v", err)
	}
	var obj struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	}
	if err := sonic.Unmarshal(out, &obj); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if obj.ID <= 1 || obj.Email != "a@x.com" {
		t.Fatalf("unexpected body %s", out)
	}
	if _, err := withID(gen, []byte(`[1,2]`)); err == nil {
		t.Fatalf("expected error for non-object body")
	}
}

func TestPublishCommandOnMemoryBus(t *testing.T) {
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("IDGEN_MACHINE_ID", "7")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"publish", "employee", "create", `{"email":"jane@corp.com","role":"MANAGER"}`, "--new-id"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(out.String()), 10, 64)
	if err != nil || id <= 0 {
		t.Fatalf("expected printed id, got %q", out.String())
	}

	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"publish", "employee", "create", `{"email":"jane@corp.com"}`})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for body without id")
	}
}

func TestNextIDCommand(t *testing.T) {
	t.Setenv("IDGEN_MACHINE_ID", "5")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"next-id", "-n", "3"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	lines := strings.Fields(out.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 ids, got %q", out.String())
	}
	seen := map[string]bool{}
	for _, l := range lines {
		if seen[l] {
			t.Fatalf("duplicate id %s", l)
		}
		seen[l] = true
	}
}

func TestStorageQueues(t *testing.T) {
	queues, err := storageQueues(config.Bus{
		Driver:   "azure",
		Queue:    "hr",
		Bindings: []string{"hr=employee.#", "attendance=employee.*"},
	})
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	if len(queues) != 2 || queues[0] != "attendance" || queues[1] != "hr" {
		t.Fatalf("unexpected queues %v", queues)
	}
}

func TestPrintChangeWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	printChange(&buf, consumer.Change{Replica: "hr", RoutingKey: "department.delete", ID: 12, Outcome: "deleted"})
	line := buf.String()
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("expected one line, got %q", line)
	}
	var c consumer.Change
	if err := sonic.UnmarshalString(line, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.ID != 12 || c.Outcome != "deleted" || c.PreviousID != 0 {
		t.Fatalf("unexpected change %+v", c)
	}
}

func TestWatchCommandNeedsChannel(t *testing.T) {
	t.Setenv("NOTIFY_CHANNEL", "")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"watch"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "NOTIFY_CHANNEL") {
		t.Fatalf("expected missing channel error, got %v", err)
	}
}
