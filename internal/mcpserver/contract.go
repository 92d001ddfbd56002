package mcpserver

// CellContract describes how notebook cells are written and how their
// results are reported.
const CellContract = `# Cellar Cell Contract

A cell is a JavaScript or TypeScript module that lives in a notebook document.

## Languages

- ` + "`javascript`" + `, ` + "`typescript`" + `, ` + "`javascriptreact`" + `, ` + "`typescriptreact`" + `.

## Results

1. The value of the last top-level expression is the cell's result.
2. A promise result is awaited before it is rendered.
3. An iterator or async iterator result streams one update per yielded value.
4. ` + "`console.log`" + ` and ` + "`console.error`" + ` output is captured as stdout and stderr items.
5. Objects render as JSON. Strings that look like HTML or SVG render as markup.
6. An object with a ` + "`mime`" + ` and ` + "`data`" + ` field renders as that mime type.

## Sharing between cells

- Top-level declarations are exported to sibling cells of the same document.
- A sibling's export is imported automatically when a cell uses its name freely.
- Editing a cell marks every cell that imported it as stale.

## Client cells

A cell that starts with the ` + "`\"use client\"`" + ` directive, or whose result is
JSX, runs in the browser. Its output is a reference to the browser module,
not a value.
`
