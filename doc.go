// Package memcache is a memcached client speaking the text protocol over
// pipelined connections.
//
// Each Connection has one writer goroutine, which sends commands in
// batches, and one reader goroutine, which feeds the response stream to a
// Dispatcher. Responses are matched to commands strictly in send order.
// Consecutive single-key gets waiting in the send queue are coalesced into a
// single multi-key get and their results fanned out.
//
// A connection that loses the stream, by I/O error or by a response that
// cannot be parsed, fails every pending command with ErrConnectionClosed and
// asks its Connector (the Client) for a reconnect.
//
//	client, err := memcache.NewClient(memcache.DefaultConfig("127.0.0.1:11211"))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	err = client.Set(ctx, memcache.Item{Key: "greeting", Value: []byte("hello")})
//	item, err := client.Get(ctx, "greeting")
package memcache
