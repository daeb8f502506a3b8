package socketcan

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// BringUpInterface ensures the named CAN interface (e.g. "can0") is
// administratively up before a raw socket is bound to it. SocketCAN
// interfaces are brought up with `ip link set can0 up` in normal operation;
// this does the same through netlink so the caller doesn't need to shell
// out.
func BringUpInterface(ifName string) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("socketcan: lookup interface %s: %w", ifName, err)
	}
	if link.Attrs().OperState == netlink.OperUp {
		return nil
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("socketcan: bring up interface %s: %w", ifName, err)
	}
	return nil
}

// MTU returns the configured MTU of a CAN interface, used to tell plain
// CAN 2.0 (16-byte frame) interfaces apart from CAN FD ones before binding
// a raw socket.
func MTU(ifName string) (int, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return 0, fmt.Errorf("socketcan: lookup interface %s: %w", ifName, err)
	}
	return link.Attrs().MTU, nil
}
