package testutil

// WithWidgetLine adds five widgets chained by Wired relationships.
//
//	w1 -> w2 -> w3 -> w4 -> w5
//
// Colors alternate red and blue; sizes run 1 to 5. w2 and w4 are Painted.
func (b *Builder) WithWidgetLine() *Builder {
	return b.
		WithWidget("w1", Name("first"), Color("red"), Size(1), Tags("alpha")).
		WithWidget("w2", Name("second"), Color("blue"), Size(2), Painted("Gloss")).
		WithWidget("w3", Name("third"), Color("red"), Size(3), Tags("alpha", "beta")).
		WithWidget("w4", Name("fourth"), Color("blue"), Size(4), Painted("Matte")).
		WithWidget("w5", Name("fifth"), Color("red"), Size(5)).
		WithWire("w1-w2", "w1", "w2", Label("a"), Weight(3)).
		WithWire("w2-w3", "w2", "w3", Label("b"), Weight(1)).
		WithWire("w3-w4", "w3", "w4", Label("c")).
		WithWire("w4-w5", "w4", "w5", Label("d"), Weight(2))
}

// WithLineage adds two data sets joined through a process.
//
//	orders (DataSet) -DataFlow-> etl (Process) -DataFlow-> report (DataSet)
func (b *Builder) WithLineage() *Builder {
	return b.
		WithEntity("orders", "DataSet", Name("orders"), Tags("pii")).
		WithEntity("etl", "Process", Name("nightly etl")).
		WithEntity("report", "DataSet", Name("sales report")).
		WithRelationship("orders-etl", "DataFlow", "orders", "etl").
		WithRelationship("etl-report", "DataFlow", "etl", "report")
}
