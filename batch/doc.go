// Package batch implements columnar batches over shared memory segments and
// the proxies that guard concurrent access to them.
//
// A [Batch] lays out the columns of a [Schema] inside one segment. A [Shared]
// handle pairs a batch with a reader/writer lock; [ReadProxy] and
// [WriteProxy] borrow it. Acquiring write access is separate from publishing:
// only [Batch.Commit] advances the persisted metaversion that other processes
// observe.
//
//	w, err := batch.NewWriteProxy(ctx, shared)
//	if err != nil {
//		return err
//	}
//	xs, _ := batch.Values[float64](w.Batch(), "x")
//	xs[0] = 1
//	_ = w.Batch().Commit()
//	r, _ := w.Downgrade() // readers see the committed state
//	defer r.Release()
package batch
