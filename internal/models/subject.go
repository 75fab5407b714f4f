package models

// SubjectRecord is one cleaned row of a demographic table.
type SubjectRecord struct {
	// ImagePath is the full path of the subject's image file
	ImagePath string

	// SubjectID is the canonical, dataset-prefixed id (e.g. IXI003)
	SubjectID string

	// Gender is "M" or "F"
	Gender string

	// AgeAtScan is the age in years rounded to 2 decimals
	AgeAtScan float64
}

// SpineRecord is one row of the spine test table: a T2 image, its mask
// and the subject id parsed from the file name.
type SpineRecord struct {
	ImagePath string
	MaskPath  string
	SubjectID string
	IsTest    bool
}
