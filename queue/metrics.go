package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var receives = promauto.NewCounter(prometheus.CounterOpts{
	Name: "order_core_queue_received_total",
	Help: "counter of messages received from the main queue",
})

var receiveErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "order_core_queue_receive_errors_total",
	Help: "counter of broker transport errors during receive",
})

var extends = promauto.NewCounter(prometheus.CounterOpts{
	Name: "order_core_queue_visibility_extends_total",
	Help: "counter of visibility extensions issued for in-flight messages",
})

var deadLetterErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "order_core_queue_dead_letter_errors_total",
	Help: "counter of failed forwards to the dead-letter queue",
})
