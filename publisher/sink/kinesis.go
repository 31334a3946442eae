package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/maxpert/binlogd/cfg"
	"github.com/maxpert/binlogd/publisher"
)

func init() {
	publisher.RegisterSink("kinesis", func(config cfg.ProducerConfiguration) (publisher.Sink, error) {
		if config.Kinesis.Stream == "" {
			return nil, fmt.Errorf("kinesis sink requires a stream name")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		opts := []func(*awsConfig.LoadOptions) error{}
		if config.Kinesis.Region != "" {
			opts = append(opts, awsConfig.WithRegion(config.Kinesis.Region))
		}
		awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}

		return NewKinesisSink(kinesis.NewFromConfig(awsCfg), config.Kinesis.Stream, config.Retries), nil
	})
}

// KinesisPutter is the part of the kinesis client the sink uses
type KinesisPutter interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisSink puts one record per row, partitioned by table.
// Rows are put sequentially with a sequence number guard, keeping per-shard order.
type KinesisSink struct {
	client  KinesisPutter
	stream  string
	sender  *serialSender
	lastSeq *string
}

func NewKinesisSink(client KinesisPutter, stream string, retries int) *KinesisSink {
	k := &KinesisSink{client: client, stream: stream}
	k.sender = newSerialSender("kinesis", k.put, retries)
	return k
}

func (k *KinesisSink) SendAsync(ctx context.Context, row *publisher.Row, c *publisher.Completer) error {
	return k.sender.enqueue(ctx, row, c)
}

// put runs on the sender goroutine only
func (k *KinesisSink) put(ctx context.Context, row *publisher.Row) error {
	out, err := k.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:                aws.String(k.stream),
		PartitionKey:              aws.String(row.Key()),
		Data:                      row.Payload,
		SequenceNumberForOrdering: k.lastSeq,
	})
	if err != nil {
		return err
	}
	k.lastSeq = out.SequenceNumber
	return nil
}

func (k *KinesisSink) Close() error {
	k.sender.close()
	return nil
}
