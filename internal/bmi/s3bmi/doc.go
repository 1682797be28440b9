// Package s3bmi is a reference implementation of the internal/bmi
// Transport and Flow interfaces over an S3 bucket. It is not on the path
// of any production sysint operation — the core only ever depends on the
// bmi.Transport/bmi.Flow interfaces — but it is a real adapter, exercised
// by its own package tests, the way a test harness stands in a local object store for an actual PVFS
// server cluster.
//
// A server endpoint's unexpected-message queue (Transport) is modeled as
// a per-addr key prefix under the bucket: Send writes one object per
// message, Receive lists and pops the oldest. A dfile's byte range (Flow)
// is modeled as a whole object under a per-handle key, read back with an
// S3 Range request and read-modify-written on write; large writes ride
// cargoship's multipart transporter instead of a single PutObject.
package s3bmi
