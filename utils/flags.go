package utils

import (
	"flag"
	"strings"
)

func lookup(name string) interface{} {
	f := flag.Lookup(name)
	if f == nil {
		return nil
	}
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return nil
	}
	return getter.Get()
}

func stringFlag(name string) string {
	s, _ := lookup(name).(string)
	return s
}

func DebugMode() bool {
	b, _ := lookup("debug").(bool)
	return b
}

func LogLevel() string {
	level := stringFlag("loglevel")
	if level == "" {
		return "info"
	}
	return strings.ToLower(level)
}

func ServerURL() string {
	return strings.TrimRight(stringFlag("server-url"), "/")
}

func GetBasicAuthUser() string {
	return stringFlag("basic-auth-user")
}

func GetBasicAuthPassword() string {
	return stringFlag("basic-auth-password")
}

func RedisHost() string {
	return stringFlag("redis-host")
}

func RedisPort() string {
	return stringFlag("redis-port")
}

func RedisPassword() string {
	return stringFlag("redis-password")
}

func PushGatewayURL() string {
	return strings.TrimRight(stringFlag("push-gateway-url"), "/")
}

func PushGatewayAPIKey() string {
	return stringFlag("push-gateway-api-key")
}
