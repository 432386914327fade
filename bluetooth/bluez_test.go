package bluetooth

import (
	"errors"
	"testing"
)

func TestReportLinkLossClearsDiscoveryState(t *testing.T) {
	tr := &BluezTransport{
		connected:      true,
		stopChan:       make(chan struct{}),
		linkLoss:       make(chan error, 1),
		devicePath:     "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF",
		servicePath:    "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a",
		commandRxPath:  "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000b",
		responseTxPath: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000d",
	}

	cause := errors.New("supervision timeout")
	tr.reportLinkLoss(cause)

	select {
	case err := <-tr.linkLoss:
		if !errors.Is(err, cause) {
			t.Errorf("link loss error = %v, want %v", err, cause)
		}
	default:
		t.Fatal("no link loss reported")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.connected {
		t.Error("connected flag survived link loss")
	}
	// Reconnect rediscovers; stale object paths must not survive.
	if tr.servicePath != "" || tr.commandRxPath != "" || tr.responseTxPath != "" {
		t.Errorf("discovery paths survived link loss: %q %q %q",
			tr.servicePath, tr.commandRxPath, tr.responseTxPath)
	}
	select {
	case <-tr.stopChan:
	default:
		t.Error("monitor stop channel not closed")
	}
}

func TestReportLinkLossOnce(t *testing.T) {
	tr := &BluezTransport{
		connected: true,
		stopChan:  make(chan struct{}),
		linkLoss:  make(chan error, 1),
	}

	tr.reportLinkLoss(errors.New("first"))
	// A second report on a torn-down transport must not close stopChan again.
	tr.reportLinkLoss(errors.New("second"))

	<-tr.linkLoss
	select {
	case err := <-tr.linkLoss:
		t.Errorf("second link loss delivered: %v", err)
	default:
	}
}

func TestFormatDevicePath(t *testing.T) {
	got := formatDevicePath("/org/bluez/hci0", "AA:BB:CC:DD:EE:FF")
	want := "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
	if string(got) != want {
		t.Errorf("formatDevicePath = %q, want %q", got, want)
	}
}
