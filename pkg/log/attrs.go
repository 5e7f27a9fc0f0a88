package log

import (
	"fmt"
	"log/slog"
)

func FlowID(id fmt.Stringer) slog.Attr {
	return slog.String("flow_id", id.String())
}

func FlowType[T ~string](typ T) slog.Attr {
	return slog.String("flow_type", string(typ))
}

func Instance[T ~string](inst T) slog.Attr {
	return slog.String("instance", string(inst))
}

func Epoch[T ~int32](epoch T) slog.Attr {
	return slog.Int("epoch", int(epoch))
}

func ReplicaID[T ~string](id T) slog.Attr {
	return slog.String("replica_id", string(id))
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
