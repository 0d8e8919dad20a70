/*
Package events provides an in-memory broker for task and worker lifecycle
events.

The coordinator publishes an event after every transition it has recorded in
the store (submitted, accepted, postponed, rejected, started and each
terminal state) and the heartbeat monitor publishes worker online and
offline events. Subscribers receive events on a buffered channel:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.TaskID)
	}

Publishing never blocks. Events are dropped when the broker queue or a
subscriber buffer is full, so subscribers must not be used for anything that
needs every transition; the status store is the record of truth.
*/
package events
