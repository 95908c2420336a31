package mesh

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// WritePLY exports the grid's front surface as a binary little-endian PLY
// point cloud with per-point colors.
func WritePLY(g *Grid, outPath string) error {
	if g == nil || g.Width*g.Height == 0 {
		return errors.New("grid is empty")
	}
	points := g.FrontPositions()
	colors := g.FrontColors()

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create ply: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ply\n")
	fmt.Fprintf(w, "format binary_little_endian 1.0\n")
	fmt.Fprintf(w, "comment generated by relief3d\n")
	fmt.Fprintf(w, "element vertex %d\n", len(points))
	fmt.Fprintf(w, "property float x\n")
	fmt.Fprintf(w, "property float y\n")
	fmt.Fprintf(w, "property float z\n")
	fmt.Fprintf(w, "property uchar red\n")
	fmt.Fprintf(w, "property uchar green\n")
	fmt.Fprintf(w, "property uchar blue\n")
	fmt.Fprintf(w, "end_header\n")

	record := make([]byte, 15) // 3 float32 + 3 uchar
	for i, p := range points {
		binary.LittleEndian.PutUint32(record[0:], math.Float32bits(p[0]))
		binary.LittleEndian.PutUint32(record[4:], math.Float32bits(p[1]))
		binary.LittleEndian.PutUint32(record[8:], math.Float32bits(p[2]))
		record[12] = colors[i][0]
		record[13] = colors[i][1]
		record[14] = colors[i][2]
		if _, err := w.Write(record); err != nil {
			return fmt.Errorf("write ply vertex: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush ply: %w", err)
	}
	return nil
}
