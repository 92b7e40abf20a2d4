package mqttbus

import "github.com/slyglif/tedapi2mqtt/internal/errors"

const (
	ErrConnectFailed = errors.ErrorCode("mqtt_connect_failed")
	ErrNotConnected  = errors.ErrorCode("mqtt_not_connected")
	ErrPublishFailed = errors.ErrorCode("mqtt_publish_failed")
	ErrTLSConfig     = errors.ErrorCode("mqtt_tls_config_failed")
)
