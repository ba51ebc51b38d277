// Package engine wires the Elder Tree core together and runs its
// background loops.
//
// Components:
//
//   - Dispatcher drains the event journal every second and reacts:
//     EmergencyAlert with a target opens an emergency binding,
//     WeakeningDetected triggers an immediate recovery attempt,
//     ConnectionLost is handed to an optional hook.
//   - Maintenance sweeps the binding table every five minutes, retiring
//     Broken bindings and rescoring Weakening ones.
//   - Engine builds the registry, router, journal and connection manager
//     from a config.Config and runs the router, dispatcher, maintenance and
//     autosave loops under one errgroup.
//
// ERROR HANDLING: background failures are logged per item and the loop
// continues, so one bad event or binding never stalls the others. Each
// event is marked processed exactly once, even when handling it failed.
//
// SHUTDOWN: cancelling the context passed to Engine.Run stops every loop;
// Run then saves state (when persistence paths are configured) and stops
// all decay goroutines before returning.
package engine
