package cluster

import (
	"errors"
	"testing"
)

func TestConfigForID(t *testing.T) {
	node, idx, all, err := ConfigForID("n2")
	if err != nil {
		t.Fatalf("ConfigForID(n2): %v", err)
	}
	if idx != 1 || node.ID != "n2" {
		t.Fatalf("ConfigForID(n2) = %+v idx=%d", node, idx)
	}
	if len(all) != len(staticCluster) {
		t.Fatalf("got %d nodes, want %d", len(all), len(staticCluster))
	}

	// callers get a copy
	all[0].ID = "changed"
	if staticCluster[0].ID == "changed" {
		t.Fatal("ConfigForID leaked the static slice")
	}

	if _, _, _, err := ConfigForID("n42"); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestReplicasDefaults(t *testing.T) {
	tests := []struct {
		cfg  Config
		want int
	}{
		{Config{NServers: 3}, 1},
		{Config{NServers: 3, NReplicas: 2}, 2},
		{Config{NServers: 3, NReplicas: 5}, 3},
		{Config{NServers: 4, NReplicas: -1}, 1},
	}
	for _, tc := range tests {
		if got := tc.cfg.Replicas(); got != tc.want {
			t.Errorf("%+v.Replicas() = %d, want %d", tc.cfg, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := New(0, 1).Validate(); !errors.Is(err, ErrNoServers) {
		t.Fatalf("Validate() = %v, want ErrNoServers", err)
	}
	if err := New(3, -2).Validate(); err == nil {
		t.Fatal("expected error for negative replicas")
	}
	if err := New(3, 0).Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
}
