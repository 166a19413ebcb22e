package query

import "github.com/liveq-db/liveq/internal/collection"

// Collection is the persistence contract the query engine consumes: the
// external keyed record collection with its change-notification stream.
type Collection = collection.Collection
