// Package converter translates between AMQP deliveries and the
// transport-neutral Message handed to listener methods.
//
// A MessagingConverter combines a PayloadConverter for the body with a
// HeaderMapper for properties. Its inbound flag selects which header table
// applies in each direction: an inbound converter reads deliveries as
// requests and writes replies, an outbound converter reads replies and
// writes requests.
package converter
