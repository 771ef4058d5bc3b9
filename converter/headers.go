package converter

import "strings"

// Prefix carried by every AMQP standard header name.
const Prefix = "amqp_"

// Standard AMQP header names.
const (
	HeaderAppID              = Prefix + "appId"
	HeaderClusterID          = Prefix + "clusterId"
	HeaderContentEncoding    = Prefix + "contentEncoding"
	HeaderContentLength      = Prefix + "contentLength"
	HeaderContentType        = "contentType"
	HeaderCorrelationID      = Prefix + "correlationId"
	HeaderDeliveryMode       = Prefix + "deliveryMode"
	HeaderDeliveryTag        = Prefix + "deliveryTag"
	HeaderExpiration         = Prefix + "expiration"
	HeaderMessageCount       = Prefix + "messageCount"
	HeaderMessageID          = Prefix + "messageId"
	HeaderReceivedExchange   = Prefix + "receivedExchange"
	HeaderReceivedRoutingKey = Prefix + "receivedRoutingKey"
	HeaderRedelivered        = Prefix + "redelivered"
	HeaderReplyTo            = Prefix + "replyTo"
	HeaderTimestamp          = Prefix + "timestamp"
	HeaderType               = Prefix + "type"
	HeaderUserID             = Prefix + "userId"
	HeaderConsumerTag        = Prefix + "consumerTag"
	HeaderPriority           = Prefix + "priority"
)

// Generic message headers set on every Message.
const (
	HeaderID             = "id"
	HeaderMessageCreated = "timestamp"
)

// StandardHeaderNames lists every standard header in a stable order.
var StandardHeaderNames = []string{
	HeaderAppID,
	HeaderClusterID,
	HeaderContentEncoding,
	HeaderContentLength,
	HeaderContentType,
	HeaderCorrelationID,
	HeaderDeliveryMode,
	HeaderDeliveryTag,
	HeaderExpiration,
	HeaderMessageCount,
	HeaderMessageID,
	HeaderReceivedExchange,
	HeaderReceivedRoutingKey,
	HeaderRedelivered,
	HeaderReplyTo,
	HeaderTimestamp,
	HeaderType,
	HeaderUserID,
	HeaderConsumerTag,
	HeaderPriority,
}

// Headers holds message headers.
type Headers map[string]any

// IsUserHeader reports whether name is an application header rather than a
// standard or generic one.
func IsUserHeader(name string) bool {
	switch name {
	case HeaderContentType, HeaderID, HeaderMessageCreated:
		return false
	}
	return !strings.HasPrefix(name, Prefix)
}
