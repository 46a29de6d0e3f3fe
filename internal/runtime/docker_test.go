package runtime

import (
	"testing"

	"github.com/docker/go-connections/nat"
)

func TestBuildHostConfig(t *testing.T) {
	spec := ContextSpec{
		Name:         "cu121",
		Image:        "torch/torch:2.4-cuda12.1",
		Mounts:       []string{"/data:/data:ro"},
		Ports:        []string{"8888:8888"},
		GPUs:         2,
		MemLockBytes: -1,
		StackBytes:   67108864,
		MemoryBytes:  2147483648,
		NanoCPUs:     1500000000,
	}

	hostCfg, exposed, err := buildHostConfig(spec)
	if err != nil {
		t.Fatalf("buildHostConfig failed: %v", err)
	}

	if len(hostCfg.Binds) != 1 || hostCfg.Binds[0] != "/data:/data:ro" {
		t.Errorf("expected bind mount, got %v", hostCfg.Binds)
	}
	if hostCfg.Resources.Memory != 2147483648 {
		t.Errorf("expected memory limit, got %d", hostCfg.Resources.Memory)
	}
	if hostCfg.Resources.NanoCPUs != 1500000000 {
		t.Errorf("expected cpu limit, got %d", hostCfg.Resources.NanoCPUs)
	}

	ulimits := map[string][2]int64{}
	for _, u := range hostCfg.Resources.Ulimits {
		ulimits[u.Name] = [2]int64{u.Soft, u.Hard}
	}
	if got, ok := ulimits["memlock"]; !ok || got != [2]int64{-1, -1} {
		t.Errorf("expected memlock ulimit -1/-1, got %v", ulimits)
	}
	if got, ok := ulimits["stack"]; !ok || got != [2]int64{67108864, 67108864} {
		t.Errorf("expected stack ulimit, got %v", ulimits)
	}

	if len(hostCfg.Resources.DeviceRequests) != 1 {
		t.Fatalf("expected one device request, got %d", len(hostCfg.Resources.DeviceRequests))
	}
	dr := hostCfg.Resources.DeviceRequests[0]
	if dr.Driver != "nvidia" {
		t.Errorf("expected nvidia driver, got %q", dr.Driver)
	}
	if dr.Count != 2 {
		t.Errorf("expected 2 devices, got %d", dr.Count)
	}
	if len(dr.Capabilities) != 1 || len(dr.Capabilities[0]) != 1 || dr.Capabilities[0][0] != "gpu" {
		t.Errorf("expected gpu capability, got %v", dr.Capabilities)
	}

	port := nat.Port("8888/tcp")
	if _, ok := exposed[port]; !ok {
		t.Errorf("expected port 8888/tcp exposed, got %v", exposed)
	}
	bindings, ok := hostCfg.PortBindings[port]
	if !ok || len(bindings) != 1 || bindings[0].HostPort != "8888" {
		t.Errorf("expected host binding for 8888, got %v", hostCfg.PortBindings)
	}
}

func TestBuildHostConfigMinimal(t *testing.T) {
	hostCfg, exposed, err := buildHostConfig(ContextSpec{Name: "cpu", Image: "alpine"})
	if err != nil {
		t.Fatalf("buildHostConfig failed: %v", err)
	}
	if len(hostCfg.Resources.Ulimits) != 0 {
		t.Errorf("expected no ulimits, got %v", hostCfg.Resources.Ulimits)
	}
	if len(hostCfg.Resources.DeviceRequests) != 0 {
		t.Errorf("expected no device requests, got %v", hostCfg.Resources.DeviceRequests)
	}
	if len(exposed) != 0 {
		t.Errorf("expected no exposed ports, got %v", exposed)
	}
}

func TestBuildHostConfigInvalidPort(t *testing.T) {
	_, _, err := buildHostConfig(ContextSpec{Name: "a", Image: "alpine", Ports: []string{"not-a-port"}})
	if err == nil {
		t.Fatal("expected error for invalid port spec")
	}
}

func TestMapToEnvList(t *testing.T) {
	list := mapToEnvList(map[string]string{"CI": "true", "CHANNEL": "nightly"})
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	found := map[string]bool{}
	for _, e := range list {
		found[e] = true
	}
	if !found["CI=true"] || !found["CHANNEL=nightly"] {
		t.Errorf("unexpected env list: %v", list)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"cu121", "cu121"},
		{"Py 3.12/CUDA", "py-3-12-cuda"},
		{"", "env"},
		{"---", "env"},
		{"a-very-long-environment-name-indeed", "a-very-long-environm"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestDockerCapabilities(t *testing.T) {
	d := &DockerRuntime{cfg: DockerConfig{GPUSlots: 2}}
	caps := d.Capabilities()
	if caps.Name != "docker" {
		t.Errorf("expected docker, got %q", caps.Name)
	}
	if caps.GPUSlots != 2 {
		t.Errorf("expected 2 GPU slots, got %d", caps.GPUSlots)
	}
}
