package observability

import "time"

// NoopLogger discards everything. Used when callers do not supply a Logger.
type NoopLogger struct{}

func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Debugf(format string, args ...interface{})       {}
func (l *NoopLogger) Infof(format string, args ...interface{})        {}
func (l *NoopLogger) Warnf(format string, args ...interface{})        {}
func (l *NoopLogger) Errorf(format string, args ...interface{})       {}
func (l *NoopLogger) Fatalf(format string, args ...interface{})       {}
func (l *NoopLogger) WithPrefix(prefix string) Logger                 { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger       { return l }

// NoopMetricsClient discards everything. Used when a component is
// constructed with a nil MetricsClient.
type NoopMetricsClient struct{}

func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (c *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)      {}
func (c *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string)  {}
func (c *NoopMetricsClient) RecordCacheOperation(tier, operation string, hit bool, d time.Duration) {}
func (c *NoopMetricsClient) RecordOperation(component, operation string, success bool, d time.Duration) {
}
func (c *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (c *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (c *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (c *NoopMetricsClient) Close() error { return nil }
