package auth

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

const metricsNamespace = "authorhub"

// Metrics holds the Prometheus collectors for token handling. A nil
// *Metrics records nothing, so components call it unconditionally.
type Metrics struct {
	validations    *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	signingKeys    prometheus.Gauge
	introspections *prometheus.CounterVec
	gateway        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, or with
// [prometheus.DefaultRegisterer] when reg is nil. Collectors already
// registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "jwt_validations_total",
			Help:      "JWT validations by result code.",
		}, []string{"shape", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "metadata_refreshes_total",
			Help:      "Signing key metadata fetches by trigger and result.",
		}, []string{"trigger", "result"}),
		signingKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "signing_keys",
			Help:      "Signing keys in the current key set.",
		}),
		introspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "introspections_total",
			Help:      "Opaque token introspections by result.",
		}, []string{"result"}),
		gateway: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "gateway_requests_total",
			Help:      "Authentication gateway outcomes by HTTP status.",
		}, []string{"status"}),
	}

	var err error
	m.validations, err = register(reg, m.validations)
	if err != nil {
		return nil, err
	}
	m.refreshes, err = register(reg, m.refreshes)
	if err != nil {
		return nil, err
	}
	m.signingKeys, err = register(reg, m.signingKeys)
	if err != nil {
		return nil, err
	}
	m.introspections, err = register(reg, m.introspections)
	if err != nil {
		return nil, err
	}
	m.gateway, err = register(reg, m.gateway)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, returning the existing collector when an equal
// one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeValidation(shape TokenShape, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(sserr.GetCode(err))
		if result == "" {
			result = "error"
		}
	}
	m.validations.WithLabelValues(shape.String(), result).Inc()
}

func (m *Metrics) observeRefresh(trigger string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.refreshes.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) setSigningKeys(n int) {
	if m == nil {
		return
	}
	m.signingKeys.Set(float64(n))
}

func (m *Metrics) observeIntrospection(result string) {
	if m == nil {
		return
	}
	m.introspections.WithLabelValues(result).Inc()
}

func (m *Metrics) observeGateway(status int) {
	if m == nil {
		return
	}
	m.gateway.WithLabelValues(strconv.Itoa(status)).Inc()
}
