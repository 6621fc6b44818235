package sacn

import "net"

// NetintStatus reports whether one requested interface survived validation
// when a receiver (or the top-level interface list) was built; each entry in
// that list receives its own status code.
type NetintStatus struct {
	Interface net.Interface
	Status    error
}

// multicastCapable reports whether iface can carry multicast traffic and is
// currently usable.
func multicastCapable(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 {
		return false
	}
	if iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	return iface.Flags&net.FlagMulticast != 0
}

// EnumerateInterfaces snapshots the host's multicast-capable interfaces. If
// restrict is non-empty, only those names are considered and every name in
// restrict gets one NetintStatus entry (failed validation reported as
// ErrNotFound or ErrSystem rather than silently dropped).
func EnumerateInterfaces(restrict []string) ([]NetintStatus, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, newErr("EnumerateInterfaces", ErrSystem, err)
	}

	if len(restrict) == 0 {
		var out []NetintStatus
		for _, iface := range all {
			if multicastCapable(iface) {
				out = append(out, NetintStatus{Interface: iface})
			}
		}
		return out, nil
	}

	byName := make(map[string]net.Interface, len(all))
	for _, iface := range all {
		byName[iface.Name] = iface
	}

	out := make([]NetintStatus, 0, len(restrict))
	for _, name := range restrict {
		iface, ok := byName[name]
		if !ok {
			out = append(out, NetintStatus{Status: newErr("EnumerateInterfaces", ErrNotFound, nil)})
			continue
		}
		if !multicastCapable(iface) {
			out = append(out, NetintStatus{Interface: iface, Status: newErr("EnumerateInterfaces", ErrSystem, nil)})
			continue
		}
		out = append(out, NetintStatus{Interface: iface})
	}
	return out, nil
}

// usableInterfaces filters a NetintStatus list down to the ones that passed
// validation.
func usableInterfaces(list []NetintStatus) []net.Interface {
	out := make([]net.Interface, 0, len(list))
	for _, s := range list {
		if s.Status == nil {
			out = append(out, s.Interface)
		}
	}
	return out
}
