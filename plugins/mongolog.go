package plugins

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/interceptd/interceptd/plugin"
)

// NewMongoLog returns an access-log sink that inserts one document per
// connection into the access_log collection. The record is observed, not
// consumed, so later sinks still see it.
func NewMongoLog(uri string) (plugin.Constructor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	coll := client.Database("interceptd").Collection("access_log")

	ctor := func() plugin.Hooks {
		return plugin.Hooks{
			Name: "mongolog",
			OnAccessLog: func(_ *plugin.Context, rec *plugin.AccessRecord) bool {
				ictx, icancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer icancel()
				_, err := coll.InsertOne(ictx, bson.M{
					"client":      rec.ClientAddr,
					"method":      rec.Method,
					"target":      rec.Target,
					"upstream":    rec.UpstreamHost,
					"status":      rec.StatusCode,
					"bytes":       rec.BytesOut,
					"durationMs":  rec.Duration.Milliseconds(),
					"intercepted": rec.Intercepted,
					"failure":     rec.FailureKind,
					"at":          time.Now(),
				})
				if err != nil {
					slog.Error("mongo access log insert failed", "error", err)
				}
				return false
			},
		}
	}
	return ctor, nil
}
