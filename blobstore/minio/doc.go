// Package minio stores tables on MinIO or any other S3-compatible server
// (Ceph, Garage, SeaweedFS) through the MinIO Go client.
//
// Snapshot commits rely on conditional PUT (If-None-Match: *). The server
// must reject a second PUT of an existing key with PreconditionFailed, which
// current MinIO releases do.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    return err
//	}
//	table, err := tablestore.Open(minioblob.NewStore(client, "lake", "tables/orders"))
//
// Data files are uploaded as one streaming PutObject; the object becomes
// visible when the writer is closed, so a crashed writer leaves no partial
// files behind.
package minio
