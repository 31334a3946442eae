// Package publisher tracks rows dispatched to the downstream sink and turns
// out-of-order sink acknowledgements into an in-order checkpoint.
//
// # Architecture
//
//  1. InflightList: ledger of dispatched rows. Transactional rows carry a
//     binlog position and are kept in dispatch order; non-transactional rows
//     are an unordered set. Both stores apply capacity backpressure.
//  2. Producer: records each row in the ledger, decides whether the sink needs
//     to see it and hands it to the Sink with a Completer.
//  3. Sink: asynchronous transport (kafka, nats, redis, kinesis, stdout).
//     Implementations live in publisher/sink and register a factory with
//     RegisterSink.
//
// # Checkpoint rule
//
// The checkpoint only moves to the position of the last entry in the longest
// completed prefix of the transactional store. An acknowledgement for a later
// row never advances it past an earlier row that is still in flight.
//
// # Stall watchdog
//
// When an ack timeout is configured and the transactional store is full, a
// completion that finds the head older than the timeout while at least the
// completion threshold of the store is done terminates the process through
// the Terminator.
//
// Example usage:
//
//	inflight := publisher.NewInflightList(publisher.InflightConfig{Capacity: 1000})
//	producer := publisher.NewProducer(sink, checkpointer, terminator, inflight, publisher.ProducerConfig{})
//	if err := producer.Push(ctx, row); err != nil {
//		return err // ctx cancelled while waiting for ledger space
//	}
package publisher
