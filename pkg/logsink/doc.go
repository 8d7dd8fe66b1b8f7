/*
Package logsink funnels log records from many producers, including worker
processes, into one destination through a single writer.

A Sink owns its destination and one goroutine that writes to it. Producers
never touch the destination: they log through a Handler, which turns each
slog record into a serialisable Record and passes it to an emit function.
Inside the coordinating process emit is Sink.Submit; inside a worker process
it sends the Record over the pipe to the coordinator, which submits it.

Records from one producer are written in the order they were submitted.
There is no ordering between producers beyond each record being written
whole.

	sink, err := logsink.OpenDated(".", "train", nil)
	if err != nil {
		return err
	}
	defer sink.Close()
	logger := sink.Logger()
*/
package logsink
