package logx

import "os"

func ExampleLogger() {
	SetOutput(os.Stdout)
	defer SetOutput(nil)

	coordinator := NewLogger("coordinator")
	coordinator.Debug("not shown unless DEBUG=1")

	phase := coordinator.WithComponent("coordinator/shopping")
	_ = phase.GetComponent()
	// Output lines carry timestamps, so none are asserted here.
}
