// Package engine correlates commands and responses for appliances that
// speak a line-oriented ASCII control protocol.
//
// The appliance accepts one command per carriage-return terminated line and
// emits status lines, some answering earlier queries and some pushed
// unsolicited. The engine turns semantic property names into wire commands,
// decodes every inbound line into a canonical status model, and hands each
// decoded value to the oldest caller waiting on that property.
//
// # Components
//
//   - CommandTable: (intent, property) to wire template, with apply value
//     coercion (true to ON, false to OFF, everything else upper-cased)
//   - Registry: ordered (pattern, extractor) processors, first match wins
//   - Ledger: per-property FIFO of Waiters
//   - Store: last known values, change events, debounced Snapshot events
//   - Engine: the dispatch loop (HandleLine) and the Query, Request, Apply
//     and RequestAll facade
//
// # Ordering
//
// The protocol has no request identifiers. Two queries for the same
// property are answered in the order they were sent, so waiters are
// resolved strictly FIFO. An unsolicited push that arrives while a query is
// outstanding resolves that query with the pushed value.
//
// # Example
//
//	cmds := engine.NewCommandTable()
//	_ = cmds.Declare(engine.IntentQuery, "power", "ZM?")
//	_ = cmds.Declare(engine.IntentApply, "power", "ZM%s")
//
//	procs := engine.NewRegistry()
//	_ = procs.Register("power", `^ZM(ON|OFF)$`, engine.OnOff("ON"))
//
//	eng, err := engine.New(engine.Options{
//	    Properties: []engine.Property{{Name: "power", Kind: engine.KindBool}},
//	    Commands:   cmds,
//	    Processors: procs,
//	    Sender:     conn,
//	})
//	if err != nil {
//	    return err
//	}
//	conn.OnLine(eng.HandleLine)
//
//	on, err := eng.Query(ctx, "power")
package engine
