package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/3scale/cache-filter/pkg/domain"
)

// SingletonQueueName is the well-known name of the queue every worker
// enqueues Message records into.
const SingletonQueueName = "message_queue"

// EncodeMessage serializes a Message for the singleton queue. Unlike the
// upstream Authorize/Report wire format, this is a process-internal
// encoding with no external compatibility requirement, so it is built on
// encoding/gob rather than a third-party codec.
func EncodeMessage(msg domain.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("codec: failed to encode message: %s", err.Error())
	}
	return buf.Bytes(), nil
}

// DecodeMessage deserializes a Message previously written by EncodeMessage.
func DecodeMessage(raw []byte) (domain.Message, error) {
	var msg domain.Message
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&msg); err != nil {
		return msg, fmt.Errorf("codec: failed to decode message: %s", err.Error())
	}
	return msg, nil
}
