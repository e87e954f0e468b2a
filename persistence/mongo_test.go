package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/BaSui01/flowgate/config"
)

// mongoURIEnv names a reachable MongoDB for the integration tests
const mongoURIEnv = "FLOWGATE_TEST_MONGO_URI"

func TestTokenDocument_RoundTrip(t *testing.T) {
	tok := newToken("i1", "fork-1/a", 0)
	tok.Suspended = true

	data, err := bson.Marshal(newTokenDocument(tok))
	require.NoError(t, err)

	var doc tokenDocument
	require.NoError(t, bson.Unmarshal(data, &doc))
	assert.Equal(t, tokenKey{Instance: "i1", Token: "fork-1/a"}, doc.Key)
	assertSameToken(t, tok, doc.token())
}

func TestTokenFilter_MatchesDocumentKey(t *testing.T) {
	filter, err := bson.Marshal(tokenFilter("i1", "a"))
	require.NoError(t, err)

	var decoded struct {
		ID tokenKey `bson:"_id"`
	}
	require.NoError(t, bson.Unmarshal(filter, &decoded))
	assert.Equal(t, tokenKey{Instance: "i1", Token: "a"}, decoded.ID)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv(mongoURIEnv)
	if uri == "" {
		t.Skipf("%s not set", mongoURIEnv)
	}

	runStoreSuite(t, func(t *testing.T) Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dbName := "flowgate_test_" + uuid.NewString()[:8]
		s, err := ConnectMongo(ctx, config.MongoConfig{
			URI:            uri,
			Database:       dbName,
			ConnectTimeout: 5 * time.Second,
		}, nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.client.Database(dbName).Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestConnectMongo_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := ConnectMongo(ctx, config.MongoConfig{
		URI:            "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200",
		ConnectTimeout: 200 * time.Millisecond,
	}, nil)
	assert.Error(t, err)
}
