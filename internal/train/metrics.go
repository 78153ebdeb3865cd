package train

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes training progress. Every series is labelled with the
// model run id.
type Metrics struct {
	Loss      *prometheus.GaugeVec
	Accuracy  *prometheus.GaugeVec
	BatchSize *prometheus.GaugeVec
	Epochs    *prometheus.CounterVec
}

// NewMetrics creates the training metrics and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dualembed_train_loss",
			Help: "Mean loss of the last completed epoch",
		}, []string{"run"}),
		Accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dualembed_train_accuracy",
			Help: "Top-1 accuracy on the evaluation sample at the last evaluation",
		}, []string{"run"}),
		BatchSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dualembed_train_batch_size",
			Help: "Batch size of the current epoch",
		}, []string{"run"}),
		Epochs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dualembed_train_epochs_total",
			Help: "Completed training epochs",
		}, []string{"run"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Loss, m.Accuracy, m.BatchSize, m.Epochs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
