// Package sandbox runs untrusted Python code in short-lived, isolated
// containers.
//
// Every call to Engine.Execute gets a brand new environment that is
// destroyed before the call returns. Nothing is pooled or reused.
//
// # Environment
//
// The Docker runtime creates each environment with:
//   - ReadonlyRootfs: the image cannot be modified
//   - tmpfs scratch at /tmp and /workspace (noexec, size capped)
//   - Payload mounted read-only at /sandbox
//   - NetworkMode "none" unless the policy enables networking
//   - CapDrop ALL and no-new-privileges
//   - Memory (swap disabled), CPU quota and PID limits
//   - An unprivileged uid:gid
//
// Optional gVisor (runsc) runtime support provides kernel-level isolation.
//
// # Lifecycle
//
//	Provisioning -> Running -> Completing | TimedOut | ResourceKilled | Failed -> TornDown
//
// The payload races a wall-clock deadline. On timeout it receives SIGTERM,
// then SIGKILL after the grace period. A memory kill is reported only when
// the container runtime says so, never guessed from the exit code.
//
// # Usage
//
//	policy, err := sandbox.ResolvePolicy(cfg.Sandbox)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := sandbox.NewDockerRuntime(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, _ := sandbox.NewEngine(policy, rt, sandbox.Options{Logger: logger})
//
//	out := engine.Execute(ctx, sandbox.Request{Code: "print(1+1)"})
//	fmt.Print(out.Stdout) // 2
package sandbox
