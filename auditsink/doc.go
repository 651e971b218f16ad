// Package auditsink provides goMFA audit sinks backed by external systems:
// [ZapSink] logs events through a zap.Logger and [KafkaSink] publishes them
// to a Kafka topic keyed by user id.
//
// Sinks run on the engine's audit dispatcher goroutine. Neither sink
// retries; failures are logged and the event is dropped.
package auditsink
