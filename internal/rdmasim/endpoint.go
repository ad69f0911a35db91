package rdmasim

// Endpoint is the common one-sided read/write interface p2p and swmr
// program against, satisfied both by a local *Region (loopback Fabric)
// and by a RemoteRegion (TCP-framed Fabric), so the transport layers
// above never know which one they were handed.
type Endpoint interface {
	WriteAt(offset int, data []byte) error
	ReadAt(offset int, dest []byte) error
}

// RemoteRegion binds a Client to one named region on the remote
// Server, implementing Endpoint.
type RemoteRegion struct {
	client *Client
	name   string
}

// NewRemoteRegion returns an Endpoint that performs WriteAt/ReadAt
// against the named region on the far end of client's connection.
func NewRemoteRegion(client *Client, name string) *RemoteRegion {
	return &RemoteRegion{client: client, name: name}
}

func (r *RemoteRegion) WriteAt(offset int, data []byte) error {
	return r.client.WriteAt(r.name, offset, data)
}

func (r *RemoteRegion) ReadAt(offset int, dest []byte) error {
	return r.client.ReadAt(r.name, offset, dest)
}
