package sink

import "github.com/maxpert/binlogd/publisher"

// Compile-time interface verification
var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*RedisSink)(nil)
	_ publisher.Sink = (*KinesisSink)(nil)
	_ publisher.Sink = (*WriterSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)
