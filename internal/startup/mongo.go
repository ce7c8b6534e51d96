package startup

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	mongostore "github.com/docchat/internal/repository/mongo"
)

// ConnectMongoWithRetry подключается к MongoDB с повторами.
func ConnectMongoWithRetry(uri string, maxWait time.Duration, logPrefix string) *mongo.Client {
	return retry("mongo connect", maxWait, logPrefix, func() (*mongo.Client, error) {
		return mongostore.Connect(context.Background(), uri)
	})
}
