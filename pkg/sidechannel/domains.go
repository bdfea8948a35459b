package sidechannel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// libvirt domain states (virDomainState) that mean a VM isn't actually
// running, so it shouldn't have a side-channel monitor.
const (
	domainStateShutoff     uint8 = 5
	domainStateCrashed     uint8 = 6
	domainStatePMSuspended uint8 = 7
)

var inactiveDomainStates = map[uint8]bool{
	domainStateShutoff:     true,
	domainStateCrashed:     true,
	domainStatePMSuspended: true,
}

// DomainLister enumerates the instance UUIDs of VMs the local
// hypervisor currently considers running, matching spec.md §4.8's
// "ask the hypervisor what domains are running" reconcile source.
type DomainLister interface {
	ActiveInstances(ctx context.Context) ([]string, error)
}

// LibvirtLister talks to the local libvirtd over its Unix socket.
// Domains are named "fleetkit:<instance-uuid>"; the prefix is
// stripped to recover the instance UUID.
type LibvirtLister struct {
	socketPath string
}

func NewLibvirtLister(socketPath string) *LibvirtLister {
	if socketPath == "" {
		socketPath = "/var/run/libvirt/libvirt-sock"
	}
	return &LibvirtLister{socketPath: socketPath}
}

func (l *LibvirtLister) ActiveInstances(ctx context.Context) ([]string, error) {
	conn, err := net.DialTimeout("unix", l.socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial libvirtd: %w", err)
	}
	defer conn.Close()

	lv := libvirt.New(conn)
	if err := lv.Connect(); err != nil {
		return nil, fmt.Errorf("connect to libvirtd: %w", err)
	}
	defer lv.Disconnect()

	domains, err := lv.Domains()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	var active []string
	for _, d := range domains {
		state, _, _, _, _, err := lv.DomainGetInfo(d)
		if err != nil || inactiveDomainStates[state] {
			continue
		}
		parts := strings.SplitN(d.Name, ":", 2)
		if len(parts) != 2 {
			continue
		}
		active = append(active, parts[1])
	}
	return active, nil
}
